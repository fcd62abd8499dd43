package agent

import (
	"context"
	"math/big"
	"time"
)

// State 是 agent 内部状态机的状态。
type State string

const (
	StateConnecting State = "connecting"
	StateWatching   State = "watching"
	StateSweeping   State = "sweeping"
	StateHalted     State = "halted"
)

// ReportType 是 agent 上报给 supervisor 的消息类型。
type ReportType string

const (
	ReportSessionInfo          ReportType = "session-info"
	ReportBalance              ReportType = "balance"
	ReportConsolidationStarted ReportType = "consolidation-started"
	ReportConsolidated         ReportType = "consolidated"
	ReportConsolidationFailed  ReportType = "consolidation-failed"
	ReportReconnecting         ReportType = "reconnecting"
	ReportLog                  ReportType = "log"
	ReportExited               ReportType = "exited"
)

// Session 描述 agent 的会话身份，可用于重启后恢复。
type Session struct {
	Token         string
	WalletSeed    string
	WalletAddress string
	Earnings      *big.Int
}

// Report 是一条结构化的状态上报。
type Report struct {
	Type    ReportType
	Worker  string
	Session *Session
	Balance *big.Int
	Hash    string
	Message string
	Err     error
	At      time.Time
}

// CommandType 是 supervisor 下发给 agent 的指令类型。
type CommandType string

const (
	CommandWithdraw     CommandType = "withdraw"
	CommandStopAndSweep CommandType = "stop_and_sweep"
	CommandHalt         CommandType = "halt"
)

// Command 是一条控制指令。
type Command struct {
	Type CommandType
}

// Runner 是 supervisor 管理的执行单元。
type Runner interface {
	Name() string
	Run(ctx context.Context) error
	Send(cmd Command) bool
}
