package energa

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prabucki/energa-sync/pkg/log"
	"github.com/prabucki/energa-sync/pkg/types"
)

// Channel codes are not stable across accounts; they are detected per account
// by prefix over the meter's measurement-object list. Codes matching neither
// family are ignored.
const (
	importCodePrefix = "1-0:1.8.0"
	exportCodePrefix = "1-0:2.8.0"

	importZonePrefix = "A+"
	exportZonePrefix = "A-"
)

type userDataResponse struct {
	Response *struct {
		MeterPoints []struct {
			ID               int64  `json:"id"`
			Dev              string `json:"dev"`
			Name             string `json:"name"`
			Tariff           string `json:"tariff"`
			LastMeasurements []struct {
				Zone  string  `json:"zone"`
				Value float64 `json:"value"`
			} `json:"lastMeasurements"`
			MeterObjects []struct {
				Obis string `json:"obis"`
			} `json:"meterObjects"`
		} `json:"meterPoints"`
		AgreementPoints []struct {
			Address string `json:"address"`
			Dealer  struct {
				Start int64 `json:"start"`
			} `json:"dealer"`
		} `json:"agreementPoints"`
	} `json:"response"`
}

// Discover resolves the account's meter points and their import/export
// channels. The result is cached for the lifetime of the session and rebuilt
// after any re-login, since the provider's responses can differ post-login.
func (c *Client) Discover(ctx context.Context) ([]types.MeterChannels, error) {
	c.mu.Lock()
	if c.account != nil {
		cached := c.account
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var res userDataResponse
	if err := c.get(ctx, userDataPath, nil, &res); err != nil {
		return nil, err
	}
	if res.Response == nil || len(res.Response.MeterPoints) == 0 {
		return nil, &SchemaError{What: "user data envelope empty or missing meter points"}
	}

	discovered := make([]types.MeterChannels, 0, len(res.Response.MeterPoints))
	for i, mp := range res.Response.MeterPoints {
		meter := types.MeterPoint{
			ID:           mp.ID,
			PPE:          mp.Dev,
			SerialNumber: mp.Name,
			Tariff:       mp.Tariff,
		}

		for _, m := range mp.LastMeasurements {
			if strings.HasPrefix(m.Zone, importZonePrefix) {
				meter.TotalImport = m.Value
			} else if strings.HasPrefix(m.Zone, exportZonePrefix) {
				meter.TotalExport = m.Value
			}
		}

		// Agreement points line up with meter points by index; single-meter
		// accounts have been seen with a lone agreement entry.
		agreements := res.Response.AgreementPoints
		if i < len(agreements) {
			meter.Address = agreements[i].Address
			if agreements[i].Dealer.Start > 0 {
				meter.ContractStart = time.UnixMilli(agreements[i].Dealer.Start).In(c.loc)
			}
		} else if len(agreements) > 0 {
			meter.Address = agreements[0].Address
			if agreements[0].Dealer.Start > 0 {
				meter.ContractStart = time.UnixMilli(agreements[0].Dealer.Start).In(c.loc)
			}
		}

		var channels []types.Channel
		for _, obj := range mp.MeterObjects {
			switch {
			case strings.HasPrefix(obj.Obis, importCodePrefix):
				channels = append(channels, types.Channel{
					MeterPointID: mp.ID,
					Direction:    types.DirectionImport,
					Code:         obj.Obis,
				})
			case strings.HasPrefix(obj.Obis, exportCodePrefix):
				channels = append(channels, types.Channel{
					MeterPointID: mp.ID,
					Direction:    types.DirectionExport,
					Code:         obj.Obis,
				})
			}
		}

		log.Ctx(ctx).DebugContext(ctx, "discovered meter point",
			slog.Int64("meterPointID", mp.ID),
			slog.String("ppe", meter.PPE),
			slog.Int("channels", len(channels)),
		)

		discovered = append(discovered, types.MeterChannels{MeterPoint: meter, Channels: channels})
	}

	c.mu.Lock()
	c.account = discovered
	c.mu.Unlock()
	return discovered, nil
}
