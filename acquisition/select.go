package acquisition

import (
	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/pm61/instrument"
)

// Selector chooses the resource to open from those a Manager lists.  It
// returns false if none are acceptable
type Selector func(res []instrument.Resource, log logrus.FieldLogger) (instrument.Resource, bool)

// FirstMatch selects the first resource, warning if there was a choice
func FirstMatch() Selector {
	return func(res []instrument.Resource, log logrus.FieldLogger) (instrument.Resource, bool) {
		if len(res) == 0 {
			return instrument.Resource{}, false
		}
		if len(res) > 1 {
			addrs := make([]string, len(res))
			for i, r := range res {
				addrs[i] = r.Addr
			}
			log.WithField("resources", addrs).Warnf("%d instruments found, using the first", len(res))
		}
		return res[0], true
	}
}

// BySerial selects the resource with the given serial number
func BySerial(serial string) Selector {
	return Matching(func(r instrument.Resource) bool {
		return r.Serial == serial
	})
}

// Matching selects the first resource pred accepts
func Matching(pred func(instrument.Resource) bool) Selector {
	return func(res []instrument.Resource, log logrus.FieldLogger) (instrument.Resource, bool) {
		for _, r := range res {
			if pred(r) {
				return r, true
			}
		}
		return instrument.Resource{}, false
	}
}
