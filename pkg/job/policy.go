package job

import (
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otawatch/pkg/ota"
	"github.com/sirupsen/logrus"
)

type Policy interface {
	// Check determines if the policy permits activating a verified image.
	Check(*PolicyCheck) (bool, error)
}

type PolicyCheck struct {
	Job *Job
	// Image is the descriptor read back from the written slot.
	Image *ota.Descriptor
	// Running describes the image the device booted.
	Running Device
}

// Rejections remember images the device has turned down.
type Rejections interface {
	Rejected(*Job) bool
}

// NewPolicy permits images for this device's board with a newer version than
// the running one, unless rejections already holds the job.
func NewPolicy(log logging.SubLogger, rejections Rejections) Policy {
	return &defaultPolicy{log: log, rejections: rejections}
}

type defaultPolicy struct {
	log        logging.SubLogger
	rejections Rejections
}

func (p *defaultPolicy) Check(ck *PolicyCheck) (bool, error) {
	if ck.Job != nil && p.rejections != nil && p.rejections.Rejected(ck.Job) {
		p.log.WithField("job", ck.Job.DisplayString()).Info("deny previously rejected image")
		return false, nil
	}
	if ck.Image == nil {
		return false, nil
	}
	if ck.Image.Board != "" && ck.Running.Board != "" && ck.Image.Board != ck.Running.Board {
		p.log.WithFields(logrus.Fields{
			"image-board":  ck.Image.Board,
			"device-board": ck.Running.Board,
		}).Warn("deny image for another board")
		return false, nil
	}
	// Direct pushes carry no version; only a known older or equal one is denied.
	if ck.Image.Version != (ota.Version{}) && !ck.Image.Version.Newer(ck.Running.Version) {
		p.log.WithFields(logrus.Fields{
			"image-version":   ck.Image.Version.String(),
			"running-version": ck.Running.Version.String(),
		}).Warn("deny image that is not newer")
		return false, nil
	}
	if logging.Debuggable {
		p.log.WithField("version", ck.Image.Version.String()).Debug("permit image")
	}
	return true, nil
}
