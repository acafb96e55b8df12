//go:build !darwin

package installer

import "golang.org/x/sys/unix"

const errNoAttr = unix.ENODATA
