// Package job reads the job documents an update publisher sends and builds the
// requests and results a device sends back.
package job

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Document is the job document as it appears on the wire.
type Document struct {
	Message         string `json:"Message"`
	Manufacturer    string `json:"Manufacturer,omitempty"`
	ManufacturerID  string `json:"ManufacturerID,omitempty"`
	Product         string `json:"Product,omitempty"`
	SerialNumber    string `json:"SerialNumber,omitempty"`
	Version         string `json:"Version,omitempty"`
	Board           string `json:"Board,omitempty"`
	Connection      string `json:"Connection,omitempty"`
	Broker          string `json:"Broker,omitempty"`
	Server          string `json:"Server,omitempty"`
	Port            int    `json:"Port,omitempty"`
	File            string `json:"File,omitempty"`
	UniqueTopicName string `json:"UniqueTopicName,omitempty"`
	Size            int64  `json:"Size,omitempty"`
	SHA256          string `json:"SHA256,omitempty"`
}

// Job is a parsed document announcing an image for this device.
type Job struct {
	Doc Document
	// Available is false for a "No Update Available" reply, in which case
	// nothing else is set.
	Available bool
	Version   ota.Version
	// Endpoint is where the image is fetched from.
	Endpoint ota.Endpoint
}

// Parse reads a job document. Structural problems are reported with their
// code; eligibility for this device is checked separately by Eligible.
func Parse(raw []byte) (*Job, error) {
	doc := Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ota.NewError(ota.CodeMalformedJobDoc, "parse", err)
	}
	switch doc.Message {
	case "":
		return nil, ota.Errorf(ota.CodeNotAJobDoc, "parse", "missing %s", marker.MessageField)
	case marker.MessageNoUpdateAvailable:
		return &Job{Doc: doc}, nil
	case marker.MessageUpdateAvailable:
	default:
		return nil, ota.Errorf(ota.CodeNotAJobDoc, "parse", "unexpected message %q", doc.Message)
	}

	j := &Job{Doc: doc, Available: true}
	version, err := ota.ParseVersion(doc.Version)
	if err != nil {
		return nil, ota.NewError(ota.CodeMalformedJobDoc, "parse", err)
	}
	j.Version = version

	kind, err := ota.ParseConnectionKind(doc.Connection)
	if err != nil {
		return nil, ota.NewError(ota.CodeMalformedJobDoc, "parse", err)
	}
	host := doc.Server
	if host == "" {
		host = doc.Broker
	}
	if host == "" && kind != ota.ConnectionBLE {
		return nil, ota.Errorf(ota.CodeMalformedJobDoc, "parse", "no %s or %s for %s", marker.ServerField, marker.BrokerField, kind)
	}
	if doc.Size < 0 {
		return nil, ota.Errorf(ota.CodeMalformedJobDoc, "parse", "negative %s", marker.SizeField)
	}
	j.Endpoint = ota.Endpoint{
		Kind: kind,
		Host: host,
		Port: doc.Port,
		File: doc.File,
		TLS:  kind == ota.ConnectionHTTPS || doc.Port == marker.PortMQTTSecure,
	}
	if j.Endpoint.Port == 0 {
		j.Endpoint.Port = DefaultPort(kind, j.Endpoint.TLS)
	}
	if j.Endpoint.File == "" && (kind == ota.ConnectionHTTP || kind == ota.ConnectionHTTPS) {
		j.Endpoint.File = marker.DefaultDataFile
	}

	if logging.Debuggable {
		logging.New("job").WithFields(logrus.Fields{
			"job":      j.DisplayString(),
			"endpoint": j.Endpoint.String(),
		}).Debug("parsed")
	}
	return j, nil
}

// DefaultPort is the port used when a document or configuration names none.
func DefaultPort(kind ota.ConnectionKind, tls bool) int {
	switch kind {
	case ota.ConnectionMQTT:
		if tls {
			return marker.PortMQTTSecure
		}
		return marker.PortMQTT
	case ota.ConnectionHTTP:
		if tls {
			return marker.PortHTTPS
		}
		return marker.PortHTTP
	case ota.ConnectionHTTPS:
		return marker.PortHTTPS
	}
	return 0
}

// Eligible checks that the job is meant for dev and carries a newer version
// than the one running.
func (j *Job) Eligible(dev Device) error {
	if !j.Available {
		return ota.NewError(ota.CodeNoUpdateAvailable, "eligible", nil)
	}
	if j.Doc.Board != "" && !strings.EqualFold(j.Doc.Board, dev.Board) {
		return ota.Errorf(ota.CodeWrongBoard, "eligible", "job is for board %q, device is %q", j.Doc.Board, dev.Board)
	}
	if !j.Version.Newer(dev.Version) {
		return ota.Errorf(ota.CodeInvalidVersion, "eligible", "job version %s is not newer than %s", j.Version, dev.Version)
	}
	return nil
}

// Redirects reports whether fetching the image needs a different connection
// than the one the job arrived on.
func (j *Job) Redirects(current ota.Endpoint) bool {
	return j.Available && !j.Endpoint.Same(current)
}

// Descriptor describes the image the job announces.
func (j *Job) Descriptor(dev Device) ota.Descriptor {
	return ota.Descriptor{
		AppID:     j.Doc.Product,
		Version:   j.Version,
		CompanyID: j.Doc.ManufacturerID,
		ProductID: dev.ProductID,
		Board:     j.Doc.Board,
		SHA256:    strings.ToLower(j.Doc.SHA256),
	}
}

// Key identifies the image across documents that announce it.
func (j *Job) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", j.Doc.Board, j.Version, j.Endpoint.String(), j.Doc.SHA256)
}

func (j *Job) DisplayString() string {
	if j == nil {
		return ",,"
	}
	return fmt.Sprintf("%s,%s,%s", j.Doc.Message, j.Doc.Board, j.Version)
}

// Clone returns a copy of the Job to mutate independently of the source.
func (j Job) Clone() *Job {
	return &j
}

// Marshal encodes the document of j.
func (j *Job) Marshal() ([]byte, error) {
	raw, err := json.Marshal(j.Doc)
	return raw, errors.Wrap(err, "unable to encode job document")
}
