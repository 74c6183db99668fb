package main

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// dropPrivileges switches to an unprivileged account once the capture
// handle is open. Group first; a setuid process cannot regain it
// afterwards.
func dropPrivileges(userName, groupName string) error {
	u, err := user.Lookup(userName)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", userName, err)
	}
	gidStr := u.Gid
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("lookup group %s: %w", groupName, err)
		}
		gidStr = g.Gid
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("bad uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return fmt.Errorf("bad gid %q: %w", gidStr, err)
	}
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
}
