package broker

import (
	"golang.org/x/sys/unix"

	"github.com/canopymq/canopy/pkg/wire"
)

// rusageCB reports the broker process's resource usage.
func (b *Broker) rusageCB(msg *wire.Message) error {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return wire.Errorf(wire.ErrTransport, "getrusage: %s", err)
	}
	return b.respond(msg, map[string]interface{}{
		"utime":    float64(ru.Utime.Sec) + 1e-6*float64(ru.Utime.Usec),
		"stime":    float64(ru.Stime.Sec) + 1e-6*float64(ru.Stime.Usec),
		"maxrss":   ru.Maxrss,
		"ixrss":    ru.Ixrss,
		"idrss":    ru.Idrss,
		"isrss":    ru.Isrss,
		"minflt":   ru.Minflt,
		"majflt":   ru.Majflt,
		"nswap":    ru.Nswap,
		"inblock":  ru.Inblock,
		"oublock":  ru.Oublock,
		"msgsnd":   ru.Msgsnd,
		"msgrcv":   ru.Msgrcv,
		"nsignals": ru.Nsignals,
		"nvcsw":    ru.Nvcsw,
		"nivcsw":   ru.Nivcsw,
	})
}
