package ota

import (
	"fmt"
	"strings"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/marker"
	"github.com/pkg/errors"
)

// ConnectionKind selects the transport backend.
type ConnectionKind int

const (
	ConnectionUnknown ConnectionKind = iota
	ConnectionMQTT
	ConnectionHTTP
	ConnectionHTTPS
	ConnectionBLE
)

func (k ConnectionKind) String() string {
	switch k {
	case ConnectionUnknown:
		return "unknown"
	case ConnectionMQTT:
		return "mqtt"
	case ConnectionHTTP:
		return "http"
	case ConnectionHTTPS:
		return "https"
	case ConnectionBLE:
		return "ble"
	}
	return fmt.Sprintf("connection(%d)", int(k))
}

// ParseConnectionKind accepts both the configuration spelling ("mqtt") and the
// job document spelling ("MQTT").
func ParseConnectionKind(s string) (ConnectionKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case marker.ConnectionMQTT:
		return ConnectionMQTT, nil
	case marker.ConnectionHTTP:
		return ConnectionHTTP, nil
	case marker.ConnectionHTTPS:
		return ConnectionHTTPS, nil
	case marker.ConnectionBLE:
		return ConnectionBLE, nil
	}
	return ConnectionUnknown, errors.Errorf("unknown connection kind %q", s)
}

// Flow is how an update is discovered.
type Flow int

const (
	// FlowJob fetches a job document first and then the data it describes.
	FlowJob Flow = iota
	// FlowDirect fetches the data immediately from configured parameters.
	FlowDirect
)

func (f Flow) String() string {
	switch f {
	case FlowJob:
		return "job"
	case FlowDirect:
		return "direct"
	}
	return fmt.Sprintf("flow(%d)", int(f))
}

// Endpoint addresses a server for a connection.
type Endpoint struct {
	Kind ConnectionKind
	Host string
	Port int
	// File is the job or data resource on HTTP servers, or the object key on
	// object stores.
	File string
	// TLS requests a secured connection where the kind leaves it optional.
	TLS bool
}

// Same reports whether e and o address the same server with the same kind.
func (e Endpoint) Same(o Endpoint) bool {
	return e.Kind == o.Kind && e.Host == o.Host && e.Port == o.Port
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%d%s", e.Kind, e.Host, e.Port, e.File)
}

// ObjectStorePrefix marks an endpoint host naming an object store bucket.
const ObjectStorePrefix = "s3://"

// Bucket returns the bucket an object store endpoint addresses.
func (e Endpoint) Bucket() (string, bool) {
	if !strings.HasPrefix(e.Host, ObjectStorePrefix) {
		return "", false
	}
	return strings.TrimPrefix(e.Host, ObjectStorePrefix), true
}
