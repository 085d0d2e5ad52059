// dmabench exercises dmakit pools with configurable workloads and
// reports allocation, sync, and growth behavior.
package main

func main() {
	execute()
}
