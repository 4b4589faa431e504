package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/amazonlinux/bottlerocket/otawatch/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/pkg/errors"
)

// Device is the identity a device presents to the publisher.
type Device struct {
	Manufacturer   string
	ManufacturerID string
	Product        string
	ProductID      string
	SerialNumber   string
	Board          string
	Version        ota.Version
}

// UniqueTopic names the topic the publisher replies to this device on.
func UniqueTopic(prefix string, dev Device, now time.Time) string {
	if prefix == "" {
		prefix = marker.DeviceTopicPrefix
	}
	company := dev.ManufacturerID
	if company == "" {
		company = dev.Manufacturer
	}
	return fmt.Sprintf("%s/%s/%s/%d", prefix, dev.Board, company, now.UnixNano()/int64(time.Millisecond)&0xFFFF)
}

// request is a device to publisher message.
type request struct {
	Message         string `json:"Message"`
	Manufacturer    string `json:"Manufacturer"`
	ManufacturerID  string `json:"ManufacturerID"`
	Product         string `json:"Product"`
	SerialNumber    string `json:"SerialNumber"`
	Version         string `json:"Version"`
	Board           string `json:"Board"`
	UniqueTopicName string `json:"UniqueTopicName,omitempty"`
	Filename        string `json:"Filename,omitempty"`
	Offset          *int64 `json:"Offset,omitempty"`
	Size            *int64 `json:"Size,omitempty"`
}

func (d Device) request(message, topic string) request {
	return request{
		Message:         message,
		Manufacturer:    d.Manufacturer,
		ManufacturerID:  d.ManufacturerID,
		Product:         d.Product,
		SerialNumber:    d.SerialNumber,
		Version:         d.Version.String(),
		Board:           d.Board,
		UniqueTopicName: topic,
	}
}

// Availability asks whether an update exists for the device.
func (d Device) Availability(topic string) ([]byte, error) {
	return encode(d.request(marker.MessageUpdateAvailability, topic))
}

// RequestUpdate asks the publisher to start sending the update.
func (d Device) RequestUpdate(topic string) ([]byte, error) {
	return encode(d.request(marker.MessageRequestUpdate, topic))
}

// RequestChunk asks for size bytes of file starting at offset.
func (d Device) RequestChunk(topic, file string, offset, size int64) ([]byte, error) {
	r := d.request(marker.MessageRequestDataChunk, topic)
	r.Filename = file
	r.Offset = &offset
	r.Size = &size
	return encode(r)
}

// Result reports the outcome of an update over a broker.
func Result(success bool, topic string) ([]byte, error) {
	return encode(struct {
		Message         string `json:"Message"`
		UniqueTopicName string `json:"UniqueTopicName"`
	}{resultMessage(success), topic})
}

// FileResult reports the outcome of an update to an HTTP server.
func FileResult(success bool, file string) ([]byte, error) {
	return encode(struct {
		Message string `json:"Message"`
		File    string `json:"File"`
	}{resultMessage(success), file})
}

func resultMessage(success bool) string {
	if success {
		return marker.ResultSuccess
	}
	return marker.ResultFailure
}

// Acknowledged reports whether raw is the publisher's receipt of a result.
func Acknowledged(raw []byte) bool {
	var doc struct {
		Message string `json:"Message"`
	}
	return json.Unmarshal(raw, &doc) == nil && doc.Message == marker.MessageResultReceived
}

func encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	return raw, errors.Wrap(err, "unable to encode request")
}
