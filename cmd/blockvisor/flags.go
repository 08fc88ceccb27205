package main

import "time"

const defaultAPITimeout = 60 * time.Second

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

type ServeFlags struct {
	Root       string
	ServersDir string
	Listen     string
}

type StartFlags struct {
	Name    string
	Offline bool
	Root    string
}

type SendFlags struct {
	Name    string
	Command string
}
