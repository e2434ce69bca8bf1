package model

import "strings"

type UserID string // opaque identity issued by the auth collaborator

// ConnectionHandle names one live transport connection as "<instance>/<connection>".
type ConnectionHandle string

func NewConnectionHandle(instanceID, connectionID string) ConnectionHandle {
	return ConnectionHandle(instanceID + "/" + connectionID)
}

func (h ConnectionHandle) Instance() string {
	instance, _, _ := strings.Cut(string(h), "/")
	return instance
}

func (h ConnectionHandle) Connection() string {
	_, conn, found := strings.Cut(string(h), "/")
	if !found {
		return string(h)
	}
	return conn
}
