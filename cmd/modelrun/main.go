// Command modelrun runs prompts through a model CLI and streams the reply.
package main

import "os"

func main() {
	os.Exit(execute())
}
