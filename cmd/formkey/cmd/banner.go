package cmd

import (
	"fmt"
	"io"
)

const banner = `
   __                      _
  / _| ___  _ __ _ __ ___ | | _____ _   _
 | |_ / _ \| '__| '_ ` + "`" + ` _ \| |/ / _ \ | | |
 |  _| (_) | |  | | | | | |   <  __/ |_| |
 |_|  \___/|_|  |_| |_| |_|_|\_\___|\__, |
                                    |___/
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Single-use form tokens - Version %s\x1b[0m\n\n", Version)
}
