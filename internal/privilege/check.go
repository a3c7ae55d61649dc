// Package privilege reports whether the process can make machine-wide
// changes.
package privilege

import "errors"

// ErrNotElevated is returned by Require when the process lacks
// administrator (Windows) or root (unix) rights.
var ErrNotElevated = errors.New("process is not running elevated")

// Require returns ErrNotElevated unless the process is elevated. Machine-scope
// winget upgrades and HKLM markers both need it.
func Require() error {
	if !IsElevated() {
		return ErrNotElevated
	}
	return nil
}
