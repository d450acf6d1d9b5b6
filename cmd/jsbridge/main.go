// Command jsbridge runs JavaScript bundles against native Go modules.
package main

func main() {
	Execute()
}
