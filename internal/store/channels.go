package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// PushChannel describes an outstanding webhook watch channel. The daemon
// rewrites the file whenever channels are registered, renewed or stopped.
type PushChannel struct {
	CalendarID string    `json:"calendarId"`
	ChannelID  string    `json:"channelId"`
	ResourceID string    `json:"resourceId"`
	Expiration time.Time `json:"expiration"`
	Address    string    `json:"address"`
}

// LoadPushChannels reads push_channels.json. A missing file is an empty
// channel set, not an error.
func LoadPushChannels(path string) ([]PushChannel, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var channels []PushChannel
	if err := json.Unmarshal(content, &channels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	return channels, nil
}

// SavePushChannels rewrites push_channels.json atomically (temp file plus
// rename) so a crashed daemon never leaves a half-written channel list.
func SavePushChannels(path string, channels []PushChannel) error {
	blob, err := json.MarshalIndent(channels, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".push_channels-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	return os.Rename(tmp.Name(), path)
}
