package main

import (
	routercmd "github.com/d3rp3tt3/router/cmd"

	// Built-in modules register themselves on import.
	_ "github.com/d3rp3tt3/router/modules/apq"
	_ "github.com/d3rp3tt3/router/modules/csrf"
	_ "github.com/d3rp3tt3/router/modules/subgraphcount"
)

func main() {
	routercmd.Main()
}
