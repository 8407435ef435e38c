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
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/xtaci/dnstun/internal/bus"
	"github.com/xtaci/dnstun/internal/carrier/dns"
	"github.com/xtaci/dnstun/internal/config"
	"github.com/xtaci/dnstun/internal/drivers/console"
	"github.com/xtaci/dnstun/internal/drivers/exec"
	"github.com/xtaci/dnstun/internal/drivers/listener"
	"github.com/xtaci/dnstun/internal/drivers/socks4"
	"github.com/xtaci/dnstun/internal/loop"
	"github.com/xtaci/dnstun/internal/session"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "dnstun-client"
	myApp.Usage = "covert DNS tunneling client"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "domain",
			Usage: "the tunnel's DNS suffix, e.g. tunnel.example.com",
		},
		cli.StringFlag{
			Name:  "resolver",
			Value: "8.8.8.8:53",
			Usage: "upstream DNS resolver to send queries to, host:port",
		},
		cli.StringFlag{
			Name:  "name",
			Usage: "session name advertised in SYN",
		},
		cli.StringFlag{
			Name:  "exec",
			Usage: "spawn this command and tunnel its stdin/stdout",
		},
		cli.StringFlag{
			Name:  "listen",
			Usage: "accept plain TCP connections on this address and tunnel each",
		},
		cli.StringFlag{
			Name:  "socks",
			Usage: "accept SOCKS4/SOCKS4a connections on this address and tunnel each",
		},
		cli.StringFlag{
			Name:  "tunnel",
			Usage: "ask the server to dial this host:port on our behalf, for -listen",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable snappy compression of tunneled data",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress session open/close messages",
		},
		cli.IntFlag{
			Name:  "keepalive",
			Value: 1,
			Usage: "seconds between heartbeats",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = run

	if err := myApp.Run(os.Args); err != nil {
		checkError(err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Config{
		Domain:    c.String("domain"),
		Resolver:  c.String("resolver"),
		Name:      c.String("name"),
		Exec:      c.String("exec"),
		Listen:    c.String("listen"),
		Socks:     c.String("socks"),
		Tunnel:    c.String("tunnel"),
		NoComp:    c.Bool("nocomp"),
		Quiet:     c.Bool("quiet"),
		Log:       c.String("log"),
		Keepalive: c.Int("keepalive"),
	}

	if c.String("c") != "" {
		if err := config.ParseJSONConfig(&cfg, c.String("c")); err != nil {
			checkError(err)
		}
	}

	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		checkError(err)
		defer f.Close()
		log.SetOutput(f)
	}

	if cfg.Domain == "" {
		return errors.New("dnstun: -domain is required")
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 1
	}

	log.Println("version:", VERSION)
	log.Println("domain:", cfg.Domain)
	log.Println("resolver:", cfg.Resolver)

	b := bus.New()
	session.NewLayer(b)

	resolverHost, resolverPortStr, err := net.SplitHostPort(cfg.Resolver)
	checkError(err)
	resolverPort, err := strconv.Atoi(resolverPortStr)
	checkError(err)

	carrier, err := dns.New(b, cfg.Domain, resolverHost, resolverPort, cfg.NoComp)
	checkError(err)

	l := loop.New(b, time.Duration(cfg.Keepalive)*time.Second)
	carrier.Register(l)

	if err := registerDrivers(b, l, &cfg); err != nil {
		checkError(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := l.Run(ctx); err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return nil
}

// registerDrivers wires every input driver the flags ask for. At least
// one of -exec, -listen or -socks must be given, or console is used —
// matching the original dnscat2 client's default of tunneling the
// invoking terminal's stdin/stdout when given no other driver.
func registerDrivers(b *bus.Bus, l *loop.Loop, cfg *config.Config) error {
	driverCount := 0

	if cfg.Exec != "" {
		d, err := exec.New(b, cfg.Exec)
		if err != nil {
			return errors.Wrap(err, "exec driver")
		}
		l.Register(d)
		driverCount++
	}

	if cfg.Listen != "" {
		tunnelHost, tunnelPort := "", uint16(0)
		if cfg.Tunnel != "" {
			host, portStr, err := net.SplitHostPort(cfg.Tunnel)
			if err != nil {
				return errors.Wrap(err, "tunnel target")
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return errors.Wrap(err, "tunnel target port")
			}
			tunnelHost, tunnelPort = host, uint16(port)
		}
		d, err := listener.New(b, cfg.Listen, tunnelHost, tunnelPort)
		if err != nil {
			return errors.Wrap(err, "listener driver")
		}
		d.Register(l)
		driverCount++
	}

	if cfg.Socks != "" {
		d, err := socks4.New(b, cfg.Socks)
		if err != nil {
			return errors.Wrap(err, "socks4 driver")
		}
		d.Register(l)
		driverCount++
	}

	if driverCount == 0 {
		l.Register(console.New(b, cfg.Name, cfg.Quiet))
	}

	return nil
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
