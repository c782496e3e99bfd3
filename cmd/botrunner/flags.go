package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type RunFlags struct {
	BotID  int64
	UserID int64
	Wait   bool
	// Poll is the status polling interval used with Wait.
	Poll time.Duration
}

type BotFlags struct {
	ID          int64
	Name        string
	ScriptPath  string
	VenvPath    string
	LogFilePath string
	Inactive    bool
}

type ScheduleFlags struct {
	ID        int64
	BotID     int64
	Name      string
	Cron      string
	Timezone  string
	Inactive  bool
	CreatedBy int64
}

type ExecutionFlags struct {
	ID    int64
	BotID int64
	Limit int
}

type LogsFlags struct {
	BotID int64
	// Tail is the number of trailing bytes, 0 for the daemon default.
	Tail int64
}
