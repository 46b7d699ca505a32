package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

// Populated by the linker at release builds.
var GitRevisionId string
var GitTag string

var (
	flagTun      string
	flagLocalIP  string
	flagRemoteIP string
	flagTimeout  int
	flagVerbose  bool
	flagHelp     bool
	flagVersion  bool
)

func init() {
	flag.StringVarP(&flagTun, "tun", "t", "tun0", "tun interface shared with the kernel under test")
	flag.StringVar(&flagLocalIP, "local-ip", "192.168.0.1", "tool-side IPv4 address")
	flag.StringVar(&flagRemoteIP, "remote-ip", "192.168.0.2", "kernel-side IPv4 address")
	flag.IntVar(&flagTimeout, "timeout", 1000, "per-packet timeout, in milliseconds")
	flag.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	flag.BoolVarP(&flagHelp, "help", "h", false, "Show usage")
	flag.BoolVar(&flagVersion, "version", false, "Show version")
}

func help() {
	bold := color.New(color.Bold)

	bold.Println("mptcpdrill - MPTCP handshake driver for kernel testing")
	fmt.Println()
	fmt.Println("Injects an MPTCP capable handshake through a tun device and absorbs")
	fmt.Println("the key the kernel's SYN/ACK carries.")
	fmt.Println()
	bold.Println("USAGE")
	fmt.Println("  mptcpdrill [--tun tun0] [--timeout 1000] [-v]")
	fmt.Println()
	bold.Println("FLAGS")
	fmt.Print(flag.CommandLine.FlagUsages())
}

func version() {
	if GitTag != "" {
		fmt.Printf("mptcpdrill %s (%s)\n", GitTag, GitRevisionId)
	} else {
		fmt.Printf("mptcpdrill %s\n", GitRevisionId)
	}
}
