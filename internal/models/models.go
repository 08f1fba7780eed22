package models

import (
	"encoding/json"
	"runtime"
	"strings"
	"time"
)

type Platform string

const (
	PlatformAndroid Platform = "ANDROID"
	PlatformWindows Platform = "WINDOWS"
	PlatformLinux   Platform = "LINUX"
	PlatformUnknown Platform = "UNKNOWN"
)

// ParsePlatform maps a wire value onto a known platform, UNKNOWN otherwise.
func ParsePlatform(s string) Platform {
	switch p := Platform(strings.ToUpper(strings.TrimSpace(s))); p {
	case PlatformAndroid, PlatformWindows, PlatformLinux:
		return p
	default:
		return PlatformUnknown
	}
}

// PlatformFromOS reports the platform of the running process.
func PlatformFromOS() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "android":
		return PlatformAndroid
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnknown
	}
}

type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	IP         string    `json:"ip"`
	Platform   Platform  `json:"platform"`
	ServerPort int       `json:"serverPort"`
	LastSeen   time.Time `json:"lastSeen"`
	IsManual   bool      `json:"isManual"`
}

const ProtocolVersion = 1

// Announcement is the UDP discovery payload. The sender address is taken
// from the packet, never from the payload.
type Announcement struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Platform   Platform `json:"platform"`
	ServerPort int      `json:"serverPort"`
	Version    int      `json:"version"`
}

func (a *Announcement) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Platform   string `json:"platform"`
		ServerPort int    `json:"serverPort"`
		Version    *int   `json:"version"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.ID = raw.ID
	a.Name = raw.Name
	a.Platform = ParsePlatform(raw.Platform)
	a.ServerPort = raw.ServerPort
	a.Version = ProtocolVersion
	if raw.Version != nil {
		a.Version = *raw.Version
	}
	return nil
}

type Direction string

const (
	DirectionSending   Direction = "SENDING"
	DirectionReceiving Direction = "RECEIVING"
)

type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a record may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusInProgress || next == StatusCancelled
	case StatusInProgress:
		return next == StatusInProgress || next.Terminal()
	default:
		return false
	}
}

type TransferRecord struct {
	ID                  string    `json:"id"`
	FileName            string    `json:"fileName"`
	FileSize            int64     `json:"fileSizeBytes"`
	Direction           Direction `json:"direction"`
	Progress            float64   `json:"progress"`
	Status              Status    `json:"status"`
	PeerName            string    `json:"peerName"`
	CreatedAt           time.Time `json:"createdAt"`
	SpeedBytesPerSecond int64     `json:"speedBytesPerSecond"`
	SavedPath           string    `json:"savedPath,omitempty"`
	SourceFileReference string    `json:"sourceFileReference,omitempty"`
	TargetIP            string    `json:"targetIpAddress,omitempty"`
	TargetPort          int       `json:"targetPort,omitempty"`
	ErrorMessage        string    `json:"errorMessage,omitempty"`
}

// ClampProgress keeps a reported progress value within [0,1].
func ClampProgress(p float64) float64 {
	switch {
	case p != p, p < 0: // NaN or negative
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

type IncomingTransferUpdate struct {
	ID           string  `json:"id"`
	FileName     string  `json:"fileName"`
	FileSize     int64   `json:"fileSizeBytes"`
	Sender       string  `json:"sender"`
	Progress     float64 `json:"progress"`
	Status       Status  `json:"status"`
	SavedPath    string  `json:"savedPath,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
}

type PendingTransfer struct {
	TransferID    string
	Target        Device
	FileReference string
}

// TransferMetadata is the JSON body of the "metadata" multipart part.
type TransferMetadata struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

type TransferResponse struct {
	Status    string `json:"status"`
	SavedPath string `json:"savedPath,omitempty"`
	Message   string `json:"message,omitempty"`
}

type FileMeta struct {
	DisplayName string
	SizeBytes   int64
	MimeType    string
}
