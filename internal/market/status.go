package market

import (
	"time"
)

// Session states.
const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

const tradingHours = "9:15 AM - 3:30 PM IST (Monday to Friday)"

// exchangeLocation is NSE local time. The fixed offset covers hosts without
// a tz database; India has no daylight saving.
var exchangeLocation = func() *time.Location {
	if loc, err := time.LoadLocation("Asia/Kolkata"); err == nil {
		return loc
	}
	return time.FixedZone("IST", 5*3600+30*60)
}()

// MarketStatus describes the exchange session at a point in time.
type MarketStatus struct {
	Status       string    `json:"status"`
	IsOpen       bool      `json:"is_open"`
	CurrentTime  time.Time `json:"current_time"`
	Timezone     string    `json:"timezone"`
	NextSession  string    `json:"next_session"`
	TradingHours string    `json:"trading_hours"`
}

// Status reports whether the exchange is open at now. The session runs
// Monday to Friday from 09:15 through 15:30 exchange time, both minutes
// included.
func Status(now time.Time) MarketStatus {
	local := now.In(exchangeLocation)
	weekday := local.Weekday()
	minutes := local.Hour()*60 + local.Minute()

	const opens, closes = 9*60 + 15, 15*60 + 30
	weekdayOpen := weekday >= time.Monday && weekday <= time.Friday
	open := weekdayOpen && minutes >= opens && minutes <= closes

	st := MarketStatus{
		Status:       StatusClosed,
		IsOpen:       open,
		CurrentTime:  local,
		Timezone:     "IST",
		TradingHours: tradingHours,
	}

	switch {
	case open:
		st.Status = StatusOpen
		st.NextSession = "Market closes at 3:30 PM IST"
	case weekdayOpen && minutes < opens:
		st.NextSession = "Market opens at 9:15 AM IST"
	case weekday >= time.Monday && weekday <= time.Thursday:
		st.NextSession = "Market opens tomorrow at 9:15 AM IST"
	default:
		// Friday after close and the weekend.
		st.NextSession = "Market opens on Monday at 9:15 AM IST"
	}
	return st
}
