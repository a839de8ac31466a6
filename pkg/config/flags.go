package config

import "time"

type Flags struct {
	BuildFile    string
	SettingsFile string
	DryRun       bool
	PrintVersion bool
	Verbose      bool
	NoColor      bool
	Tags         []string
	Registry     string
	Parallel     int
	WithStages   bool
	StagesRepo   string
	LockTimeout  time.Duration
}
