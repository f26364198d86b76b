package types

import (
	"fmt"
	"time"
)

const (
	// CurrentStatisticsVersion is bumped when the stored statistic point
	// format changes.
	CurrentStatisticsVersion = 1

	// HoursPerDay is the number of buckets the provider returns for a DAY
	// chart request.
	HoursPerDay = 24
)

// Credentials holds the account login data. DeviceToken is the mobile push
// token the official app echoes to the login endpoint; the API accepts any
// value including none.
type Credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DeviceToken string `json:"deviceToken,omitempty"`
}

// Direction distinguishes the consumption and production measurement streams
// of a meter point.
type Direction string

const (
	DirectionImport Direction = "import"
	DirectionExport Direction = "export"
)

// MeterPoint is a single grid connection as reported by the provider. The
// field values can change shape after a re-login, so the set is rebuilt on
// every discovery.
type MeterPoint struct {
	ID            int64     `json:"id"`
	PPE           string    `json:"ppe"`
	SerialNumber  string    `json:"serialNumber,omitempty"`
	Tariff        string    `json:"tariff,omitempty"`
	Address       string    `json:"address,omitempty"`
	ContractStart time.Time `json:"contractStart,omitempty"`

	// Absolute register readings from the provider's lastMeasurements list,
	// zero when the account has no matching register.
	TotalImport float64 `json:"totalImport"`
	TotalExport float64 `json:"totalExport"`
}

// Channel is a discovered measurement stream of a meter point. Code is the
// provider's opaque OBIS-like identifier and differs between accounts.
type Channel struct {
	MeterPointID int64     `json:"meterPointID"`
	Direction    Direction `json:"direction"`
	Code         string    `json:"code"`
}

// ChannelKey identifies a statistic stream.
type ChannelKey struct {
	MeterPointID int64     `json:"meterPointID"`
	Direction    Direction `json:"direction"`
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%d/%s", k.MeterPointID, k.Direction)
}

// MeterChannels pairs a meter point with its discovered channels. A meter
// point may expose zero, one, or two channels; absence of an export channel
// is a valid state, not an error.
type MeterChannels struct {
	MeterPoint MeterPoint `json:"meterPoint"`
	Channels   []Channel  `json:"channels"`
}

// Channel returns the channel with the given direction, if discovered.
func (m MeterChannels) Channel(d Direction) (Channel, bool) {
	for _, c := range m.Channels {
		if c.Direction == d {
			return c, true
		}
	}
	return Channel{}, false
}

// HourlyVector is one local calendar day of readings for one channel, bucketed
// by the installation's midnight. Entries are nil where the provider has no
// reading for the hour yet.
type HourlyVector []*float64

// Sum adds up all non-nil, non-negative readings. Negative readings are
// provider glitches and are excluded, never subtracted.
func (v HourlyVector) Sum() float64 {
	var total float64
	for _, r := range v {
		if r != nil && *r >= 0 {
			total += *r
		}
	}
	return total
}

// StatisticPoint is the unit of output. State is the running value within the
// day and Sum the monotonic cumulative total across days.
type StatisticPoint struct {
	Start time.Time `json:"start"`
	State float64   `json:"state"`
	Sum   float64   `json:"sum"`
}

// MeterSnapshot is the per-meter portion of a live sync tick.
type MeterSnapshot struct {
	MeterPoint  MeterPoint `json:"meterPoint"`
	DailyImport float64    `json:"dailyImport"`
	DailyExport float64    `json:"dailyExport"`
	HasImport   bool       `json:"hasImport"`
	HasExport   bool       `json:"hasExport"`
}

// Snapshot is the immutable result of one live sync tick. Consumers must
// treat it as read-only.
type Snapshot struct {
	At     time.Time       `json:"at"`
	Meters []MeterSnapshot `json:"meters"`
}

// BackfillRequest is the host-facing "import history" action payload.
type BackfillRequest struct {
	// StartDate in "2006-01-02" form, interpreted in the installation's
	// time zone.
	StartDate string `json:"startDate"`
	Days      int    `json:"days"`
}

// RunState describes where a backfill run currently is.
type RunState string

const (
	RunStateIdle        RunState = "idle"
	RunStatePaced       RunState = "paced"
	RunStateFetching    RunState = "fetching"
	RunStateAggregating RunState = "aggregating"
	RunStateEmitting    RunState = "emitting"
	RunStateDone        RunState = "done"
)

// RunStatus is the host-facing view of a backfill run.
type RunStatus struct {
	ID            string    `json:"id"`
	MeterPointID  int64     `json:"meterPointID"`
	State         RunState  `json:"state"`
	StartDate     time.Time `json:"startDate"`
	Days          int       `json:"days"`
	DaysCompleted int       `json:"daysCompleted"`
	DaysFailed    int       `json:"daysFailed"`
	Error         string    `json:"error,omitempty"`
}
