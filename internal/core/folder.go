package core

import "regexp"

var folderRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Reserved names that can never be a conversation folder.
var reservedFolders = map[string]bool{
	"errors": true,
	"global": true,
}

// IsValidFolder reports whether name is usable as a conversation folder and
// mailbox namespace.
func IsValidFolder(name string) bool {
	if reservedFolders[name] {
		return false
	}
	return folderRe.MatchString(name)
}
