package relocmask

import (
	"bytes"
	_ "embed"
	"sync"
)

//go:embed masks.txt
var defaultTable []byte

var (
	defaultOnce sync.Once
	defaultTab  *Table
)

// Default returns the built-in mask table. The table is parsed once and
// shared; it panics if the embedded data fails validation, since that is a
// defect in the shipped binary rather than a runtime condition.
func Default() *Table {
	defaultOnce.Do(func() {
		t, err := Parse(bytes.NewReader(defaultTable))
		if err != nil {
			panic("relocmask: embedded mask table is invalid: " + err.Error())
		}
		defaultTab = t
	})
	return defaultTab
}
