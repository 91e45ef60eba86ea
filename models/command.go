package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdRefreshNow CommandType = "refresh_now"
	CmdClearCache CommandType = "clear_cache"
	CmdPause      CommandType = "pause"
	CmdResume     CommandType = "resume"
)

type Command struct {
	ID          int64           `json:"id"`
	Command     CommandType     `json:"command"`
	Params      json.RawMessage `json:"params"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at"`
}
