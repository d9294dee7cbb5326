package trace

import (
	"fmt"
	"strings"
)

// Kind identifies the syscall recorded in a row.
type Kind uint16

const (
	Invalid Kind = iota
	Umask
	Open
	Openat
	Creat
	Close
	Read
	Pread
	Readv
	Preadv
	Write
	Pwrite
	Writev
	Pwritev
	Lseek
	Ftruncate
	Truncate
	Fsync
	Fdatasync
	Fallocate
	Fadvise
	Unlink
	Unlinkat
	Rename
	Renameat
	Mkdir
	Mkdirat
	Rmdir
	Link
	Linkat
	Symlink
	Symlinkat
	Readlink
	Readlinkat
	Stat
	Lstat
	Fstat
	Fstatat
	Statfs
	Fstatfs
	Access
	Faccessat
	Chmod
	Fchmod
	Fchmodat
	Chown
	Lchown
	Fchown
	Fchownat
	Utimensat
	Chdir
	Fchdir
	Getdents
	Mknod
	Mknodat
	Fcntl
	Dup
	Dup2
	Dup3
	Pipe
	Socket
	Socketpair
	Accept
	Getxattr
	Setxattr
	Listxattr
	Removexattr
	Ioctl
	Clone
	Vfork
	Exit
	Execve
	numKinds
)

// Schema names the integer and byte columns of the rows of a kind. The
// columns common to every row (unique id, timestamps, pid, return value and
// errno) are not part of the schema.
type Schema struct {
	Ints  []string
	Bytes []string
}

type kindInfo struct {
	name   string
	schema Schema
}

func cols(names ...string) []string { return names }

var kinds = [numKinds]kindInfo{
	Invalid:     {"invalid", Schema{}},
	Umask:       {"umask", Schema{Ints: cols("mask")}},
	Open:        {"open", Schema{Ints: cols("flags", "mode"), Bytes: cols("path")}},
	Openat:      {"openat", Schema{Ints: cols("dirfd", "flags", "mode"), Bytes: cols("path")}},
	Creat:       {"creat", Schema{Ints: cols("mode"), Bytes: cols("path")}},
	Close:       {"close", Schema{Ints: cols("fd")}},
	Read:        {"read", Schema{Ints: cols("fd", "count"), Bytes: cols("data")}},
	Pread:       {"pread", Schema{Ints: cols("fd", "count", "offset"), Bytes: cols("data")}},
	Readv:       {"readv", Schema{Ints: cols("fd", "iov_number", "length"), Bytes: cols("data")}},
	Preadv:      {"preadv", Schema{Ints: cols("fd", "iov_number", "length", "offset"), Bytes: cols("data")}},
	Write:       {"write", Schema{Ints: cols("fd", "count"), Bytes: cols("data")}},
	Pwrite:      {"pwrite", Schema{Ints: cols("fd", "count", "offset"), Bytes: cols("data")}},
	Writev:      {"writev", Schema{Ints: cols("fd", "iov_number", "length"), Bytes: cols("data")}},
	Pwritev:     {"pwritev", Schema{Ints: cols("fd", "iov_number", "length", "offset"), Bytes: cols("data")}},
	Lseek:       {"lseek", Schema{Ints: cols("fd", "offset", "whence")}},
	Ftruncate:   {"ftruncate", Schema{Ints: cols("fd", "length")}},
	Truncate:    {"truncate", Schema{Ints: cols("length"), Bytes: cols("path")}},
	Fsync:       {"fsync", Schema{Ints: cols("fd")}},
	Fdatasync:   {"fdatasync", Schema{Ints: cols("fd")}},
	Fallocate:   {"fallocate", Schema{Ints: cols("fd", "mode", "offset", "length")}},
	Fadvise:     {"fadvise", Schema{Ints: cols("fd", "offset", "length", "advice")}},
	Unlink:      {"unlink", Schema{Bytes: cols("path")}},
	Unlinkat:    {"unlinkat", Schema{Ints: cols("dirfd", "flags"), Bytes: cols("path")}},
	Rename:      {"rename", Schema{Bytes: cols("old_path", "new_path")}},
	Renameat:    {"renameat", Schema{Ints: cols("old_dirfd", "new_dirfd", "flags"), Bytes: cols("old_path", "new_path")}},
	Mkdir:       {"mkdir", Schema{Ints: cols("mode"), Bytes: cols("path")}},
	Mkdirat:     {"mkdirat", Schema{Ints: cols("dirfd", "mode"), Bytes: cols("path")}},
	Rmdir:       {"rmdir", Schema{Bytes: cols("path")}},
	Link:        {"link", Schema{Bytes: cols("old_path", "new_path")}},
	Linkat:      {"linkat", Schema{Ints: cols("old_dirfd", "new_dirfd", "flags"), Bytes: cols("old_path", "new_path")}},
	Symlink:     {"symlink", Schema{Bytes: cols("target", "link_path")}},
	Symlinkat:   {"symlinkat", Schema{Ints: cols("new_dirfd"), Bytes: cols("target", "link_path")}},
	Readlink:    {"readlink", Schema{Ints: cols("size"), Bytes: cols("path", "data")}},
	Readlinkat:  {"readlinkat", Schema{Ints: cols("dirfd", "size"), Bytes: cols("path", "data")}},
	Stat:        {"stat", Schema{Bytes: cols("path")}},
	Lstat:       {"lstat", Schema{Bytes: cols("path")}},
	Fstat:       {"fstat", Schema{Ints: cols("fd")}},
	Fstatat:     {"fstatat", Schema{Ints: cols("dirfd", "flags"), Bytes: cols("path")}},
	Statfs:      {"statfs", Schema{Bytes: cols("path")}},
	Fstatfs:     {"fstatfs", Schema{Ints: cols("fd")}},
	Access:      {"access", Schema{Ints: cols("mode"), Bytes: cols("path")}},
	Faccessat:   {"faccessat", Schema{Ints: cols("dirfd", "mode", "flags"), Bytes: cols("path")}},
	Chmod:       {"chmod", Schema{Ints: cols("mode"), Bytes: cols("path")}},
	Fchmod:      {"fchmod", Schema{Ints: cols("fd", "mode")}},
	Fchmodat:    {"fchmodat", Schema{Ints: cols("dirfd", "mode", "flags"), Bytes: cols("path")}},
	Chown:       {"chown", Schema{Ints: cols("uid", "gid"), Bytes: cols("path")}},
	Lchown:      {"lchown", Schema{Ints: cols("uid", "gid"), Bytes: cols("path")}},
	Fchown:      {"fchown", Schema{Ints: cols("fd", "uid", "gid")}},
	Fchownat:    {"fchownat", Schema{Ints: cols("dirfd", "uid", "gid", "flags"), Bytes: cols("path")}},
	Utimensat:   {"utimensat", Schema{Ints: cols("dirfd", "atime_sec", "atime_nsec", "mtime_sec", "mtime_nsec", "flags"), Bytes: cols("path")}},
	Chdir:       {"chdir", Schema{Bytes: cols("path")}},
	Fchdir:      {"fchdir", Schema{Ints: cols("fd")}},
	Getdents:    {"getdents", Schema{Ints: cols("fd", "count")}},
	Mknod:       {"mknod", Schema{Ints: cols("mode", "dev"), Bytes: cols("path")}},
	Mknodat:     {"mknodat", Schema{Ints: cols("dirfd", "mode", "dev"), Bytes: cols("path")}},
	Fcntl:       {"fcntl", Schema{Ints: cols("fd", "cmd", "arg")}},
	Dup:         {"dup", Schema{Ints: cols("fd")}},
	Dup2:        {"dup2", Schema{Ints: cols("old_fd", "new_fd")}},
	Dup3:        {"dup3", Schema{Ints: cols("old_fd", "new_fd", "flags")}},
	Pipe:        {"pipe", Schema{Ints: cols("read_fd", "write_fd", "flags")}},
	Socket:      {"socket", Schema{Ints: cols("domain", "type", "protocol")}},
	Socketpair:  {"socketpair", Schema{Ints: cols("domain", "type", "protocol", "fd0", "fd1")}},
	Accept:      {"accept", Schema{Ints: cols("fd", "flags")}},
	Getxattr:    {"getxattr", Schema{Ints: cols("size"), Bytes: cols("path", "name", "value")}},
	Setxattr:    {"setxattr", Schema{Ints: cols("flags"), Bytes: cols("path", "name", "value")}},
	Listxattr:   {"listxattr", Schema{Ints: cols("size"), Bytes: cols("path", "list")}},
	Removexattr: {"removexattr", Schema{Bytes: cols("path", "name")}},
	Ioctl:       {"ioctl", Schema{Ints: cols("fd", "request"), Bytes: cols("data")}},
	Clone:       {"clone", Schema{Ints: cols("flags")}},
	Vfork:       {"vfork", Schema{}},
	Exit:        {"exit", Schema{Ints: cols("status")}},
	Execve:      {"execve", Schema{Ints: cols("continuation", "arg_kind"), Bytes: cols("value")}},
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kinds))
	for k := Umask; k < numKinds; k++ {
		m[kinds[k].name] = k
	}
	return m
}()

// Kinds returns the list of syscall kinds known to this version of the trace
// format, in numeric order.
func Kinds() []Kind {
	list := make([]Kind, 0, numKinds-1)
	for k := Umask; k < numKinds; k++ {
		list = append(list, k)
	}
	return list
}

// ParseKind returns the kind with the given name.
func ParseKind(name string) (Kind, error) {
	k, ok := kindsByName[strings.ToLower(name)]
	if !ok {
		return Invalid, fmt.Errorf("unknown syscall kind: %q", name)
	}
	return k, nil
}

// Known reports whether k is part of the catalog of this version of the
// format. Newer minor versions may carry kinds which are not.
func (k Kind) Known() bool {
	return k > Invalid && k < numKinds
}

// Schema returns the column layout of rows of kind k. Unknown kinds have an
// empty schema.
func (k Kind) Schema() Schema {
	if !k.Known() {
		return Schema{}
	}
	return kinds[k].schema
}

func (k Kind) String() string {
	if k < numKinds {
		return kinds[k].name
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	p, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = p
	return nil
}
