// Command junkfs mounts a junkfs metadata store as a FUSE filesystem, or
// formats a new one via its mkfs subcommand.
package main

import "github.com/abbycin/junkfs/cmd"

func main() {
	cmd.Execute()
}
