// scrna runs the stages of the lung macrophage single-cell analysis. See
// "scrna help" for the list of subcommands.
package main

import "github.com/grailbio/scrna/cmd/scrna/cmd"

func main() {
	cmd.Run()
}
