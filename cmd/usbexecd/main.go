// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"net"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/usbexecd/usbexecd/internal/daemon"
	"github.com/usbexecd/usbexecd/internal/launcher"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	// A re-exec'd copy of this same binary lands here first when
	// internal/launcher.Spawn starts a child; it never reaches cli.App.
	if len(os.Args) > 1 && os.Args[1] == launcher.BootstrapFlag {
		launcher.Bootstrap()
		return
	}

	myApp := cli.NewApp()
	myApp.Name = "usbexecd"
	myApp.Usage = "multiplexed process-execution daemon"
	myApp.Version = VERSION
	myApp.ArgsUsage = "<socket-path>"
	myApp.HideHelp = false

	myApp.Action = func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return cli.NewExitError("usbexecd: a socket path is required", 1)
		}

		conn, err := net.Dial("unix", path)
		if err != nil {
			color.Red("CRIT: %+v", err)
			return cli.NewExitError(err, 1)
		}
		defer conn.Close()

		d := daemon.New(conn)
		os.Exit(d.Run())
		return nil
	}

	myApp.Run(os.Args)
}
