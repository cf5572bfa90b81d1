// Command framectl brings up the contiguous frame allocator over a simulated
// physical address space and lets you inspect it or drive it with scripts.
package main

func main() {
	execute()
}
