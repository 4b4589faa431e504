// Package logfields builds the log fields shared by the agent's packages.
package logfields

import (
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/sirupsen/logrus"
)

func Snapshot(s ota.Snapshot) logrus.Fields {
	fields := logrus.Fields{
		"reason":     s.Reason.String(),
		"state":      s.State.String(),
		"flow":       s.Flow.String(),
		"connection": s.Connection.String(),
	}
	if s.LastError != ota.CodeSuccess {
		fields["last-error"] = s.LastError.String()
	}
	if s.Progress.TotalSize > 0 {
		fields["progress"] = s.Progress.Percent()
	}
	if s.Terminal {
		fields["terminal"] = true
	}
	return fields
}

func Chunk(c *ota.Chunk) logrus.Fields {
	return logrus.Fields{
		"offset": c.Offset,
		"size":   c.Size(),
		"total":  c.TotalSize,
		"packet": c.Packet,
	}
}

func Endpoint(ep ota.Endpoint) logrus.Fields {
	return logrus.Fields{
		"connection": ep.Kind.String(),
		"server":     ep.Host,
		"port":       ep.Port,
	}
}

func Transition(from, to ota.State) logrus.Fields {
	return logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}
}
