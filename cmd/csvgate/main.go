// Command csvgate runs the quota gate and row delivery service.
package main

import (
	"os"

	"github.com/csvgate/csvgate/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
