package energa

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/prabucki/energa-sync/pkg/types"
)

type chartResponse struct {
	Response *struct {
		MainChart []struct {
			Zones []*float64 `json:"zones"`
		} `json:"mainChart"`
	} `json:"response"`
}

// FetchDay retrieves the hourly vector for one channel on one local calendar
// day. The provider buckets by the installation's midnight; day may be any
// instant within the wanted day.
func (c *Client) FetchDay(ctx context.Context, meterPointID int64, code string, day time.Time) (types.HourlyVector, error) {
	params := url.Values{}
	params.Set("meterPoint", strconv.FormatInt(meterPointID, 10))
	params.Set("type", "DAY")
	params.Set("meterObject", code)
	params.Set("mainChartDate", epochMillis(c.DayStart(day)))

	var res chartResponse
	if err := c.get(ctx, chartPath, params, &res); err != nil {
		return nil, err
	}
	if res.Response == nil || res.Response.MainChart == nil {
		return nil, &SchemaError{What: "chart envelope missing mainChart"}
	}
	if len(res.Response.MainChart) != types.HoursPerDay {
		return nil, &SchemaError{What: fmt.Sprintf("chart has %d buckets, want %d", len(res.Response.MainChart), types.HoursPerDay)}
	}

	vec := make(types.HourlyVector, types.HoursPerDay)
	for i, point := range res.Response.MainChart {
		// The first zone is the whole-day register; remaining zones are
		// tariff splits and are not used here.
		if len(point.Zones) > 0 {
			vec[i] = point.Zones[0]
		}
	}
	return vec, nil
}
