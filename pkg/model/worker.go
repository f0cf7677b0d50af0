package model

import "time"

// WorkerInfo describes a connected worker and its slot usage.
type WorkerInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Hostname    string    `json:"hostname"`
	Capacity    int       `json:"capacity"`
	Free        int       `json:"free"`
	Assigned    []string  `json:"assigned"`
	ConnectedAt time.Time `json:"connected_at"`
}

// WorkerEvent is emitted when a worker connects or disconnects.
type WorkerEvent struct {
	Worker    WorkerInfo `json:"worker"`
	Connected bool       `json:"connected"`
	Time      time.Time  `json:"time"`
}

// WorkerSession is the persisted record of one worker registration.
type WorkerSession struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Hostname       string     `json:"hostname"`
	Capacity       int        `json:"capacity"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}
