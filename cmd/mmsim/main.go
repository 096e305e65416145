// Command mmsim boots the kernel memory manager inside an anonymous host
// memory mapping and drives it with synthetic workloads.
package main

func main() {
	execute()
}
