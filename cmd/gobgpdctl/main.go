// gobgpdctl -- CLI client for the gobgpd daemon.
package main

import "github.com/wolfguard/gobgpd/cmd/gobgpdctl/commands"

func main() {
	commands.Execute()
}
