// Package protocol defines the messages exchanged between a node proxy on
// the root node and its remote worker. Every command is its own type; a
// session dispatches on the concrete type instead of on command strings.
package protocol

import (
	"time"

	"github.com/archipelago-go/archipelago/internal/job"
)

type Command string

const (
	CmdGetID         Command = "getid"
	CmdID            Command = "id"
	CmdGetUser       Command = "getuser"
	CmdUser          Command = "user"
	CmdGetExecRoot   Command = "getexecroot"
	CmdSetExecRoot   Command = "setexecroot"
	CmdGetFileRoot   Command = "getfileroot"
	CmdSetFileRoot   Command = "setfileroot"
	CmdGetNumThreads Command = "getnumthreads"
	CmdNumThreads    Command = "numthreads"
	CmdProcess       Command = "process"
	CmdCancel        Command = "cancel"
	CmdPing          Command = "ping"
	CmdBeat          Command = "beat"
	CmdHalt          Command = "halt"
	CmdError         Command = "error"
)

// Message is implemented by every message variant.
type Message interface {
	Command() Command
	isMessage()
}

type GetID struct{}

type ID struct {
	NodeID int64 `json:"node_id"`
}

type GetUser struct{}

type User struct {
	Name string `json:"name"`
}

type GetExecRoot struct{}

type SetExecRoot struct {
	Path string `json:"path"`
}

type GetFileRoot struct{}

type SetFileRoot struct {
	Path string `json:"path"`
}

type GetNumThreads struct{}

type NumThreads struct {
	N int `json:"n"`
}

// Process carries a job to the worker and, once executed, back again.
type Process struct {
	Job *job.Job `json:"job"`
}

type Cancel struct {
	JobID string `json:"job_id"`
}

type Ping struct{}

// Beat is the periodic heartbeat a worker sends with its memory figures.
type Beat struct {
	RAMAvailableMB int       `json:"ram_available_mb"`
	RAMTotalMB     int       `json:"ram_total_mb"`
	RAMMaxMB       int       `json:"ram_max_mb"`
	SentAt         time.Time `json:"sent_at"`
}

type Halt struct{}

// Error reports a failure on the worker that is not tied to a job.
type Error struct {
	Message string `json:"message"`
}

func (e Error) Error() string {
	return e.Message
}

// Unknown is produced when decoding a command this build does not know.
type Unknown struct {
	Name string
}

func (GetID) Command() Command         { return CmdGetID }
func (ID) Command() Command            { return CmdID }
func (GetUser) Command() Command       { return CmdGetUser }
func (User) Command() Command          { return CmdUser }
func (GetExecRoot) Command() Command   { return CmdGetExecRoot }
func (SetExecRoot) Command() Command   { return CmdSetExecRoot }
func (GetFileRoot) Command() Command   { return CmdGetFileRoot }
func (SetFileRoot) Command() Command   { return CmdSetFileRoot }
func (GetNumThreads) Command() Command { return CmdGetNumThreads }
func (NumThreads) Command() Command    { return CmdNumThreads }
func (Process) Command() Command       { return CmdProcess }
func (Cancel) Command() Command        { return CmdCancel }
func (Ping) Command() Command          { return CmdPing }
func (Beat) Command() Command          { return CmdBeat }
func (Halt) Command() Command          { return CmdHalt }
func (Error) Command() Command         { return CmdError }
func (u Unknown) Command() Command     { return Command(u.Name) }

func (GetID) isMessage()         {}
func (ID) isMessage()            {}
func (GetUser) isMessage()       {}
func (User) isMessage()          {}
func (GetExecRoot) isMessage()   {}
func (SetExecRoot) isMessage()   {}
func (GetFileRoot) isMessage()   {}
func (SetFileRoot) isMessage()   {}
func (GetNumThreads) isMessage() {}
func (NumThreads) isMessage()    {}
func (Process) isMessage()       {}
func (Cancel) isMessage()        {}
func (Ping) isMessage()          {}
func (Beat) isMessage()          {}
func (Halt) isMessage()          {}
func (Error) isMessage()         {}
func (Unknown) isMessage()       {}
