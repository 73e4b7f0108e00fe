// Command transitreg creates, checks and applies transit registry changesets.
package main

func main() {
	Execute()
}
