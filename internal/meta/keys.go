package meta

import "strconv"

const superBlockKey = "sb"

func inodeKey(ino uint64) string {
	return "i_" + strconv.FormatUint(ino, 10)
}

func dentryKey(parent uint64, name string) string {
	return "d_" + strconv.FormatUint(parent, 10) + "_" + name
}

func dentryPrefix(parent uint64) string {
	return "d_" + strconv.FormatUint(parent, 10) + "_"
}

const summaryKey = "imap_sum"

func groupKey(gid uint64) string {
	return "imap_" + strconv.FormatUint(gid, 10)
}
