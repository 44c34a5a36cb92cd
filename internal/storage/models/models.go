package models

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

type ChatApplication struct {
	ID                   string
	Name                 string
	WikiIDs              []string
	Relevancy            float64
	MaxResponseToken     int
	Template             string
	Prompt               string
	NoReplyFoundTemplate string
	ShowSourceFile       bool
	ChatModel            string
	CreatedAt            time.Time
}

type ChatShare struct {
	ID                string
	ChatApplicationID string
	// AvailableToken <= 0 means the share has no quota.
	AvailableToken int
	Creator        string
	CreatedAt      time.Time
}

type DialogType string

const (
	DialogTypeApplication DialogType = "application"
	DialogTypeShare       DialogType = "share"
)

type ChatDialog struct {
	ID                string
	ChatApplicationID string
	ChatShareID       string
	Name              string
	Type              DialogType
	CreatedAt         time.Time
}

type SourceFile struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	FilePath string `json:"filePath"`
}

type DialogTurn struct {
	ID           string
	ChatDialogID string
	Content      string
	// Current is true for user turns.
	Current          bool
	TokenConsumption int
	SourceFiles      []SourceFile
	CreatedAt        time.Time
}

type FileStorage struct {
	ID        string
	Name      string
	Path      string
	Size      int64
	CreatedAt time.Time
}

type DocumentChunk struct {
	ID         string
	FileID     string
	WikiID     string
	ChunkIndex int
	Text       string
	TokenCount int
	CreatedAt  time.Time
}

type Partition struct {
	Text string
	Tags map[string][]string
}

// FirstTag returns the first non-empty value of tag, or "".
func (p Partition) FirstTag(tag string) string {
	for _, v := range p.Tags[tag] {
		if v != "" {
			return v
		}
	}
	return ""
}

type RetrievalMatch struct {
	Partitions []Partition
	Relevance  float64
}
