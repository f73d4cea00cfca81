package store

import (
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

// init registers SQLite scalar functions that resolve 'now' against
// nowFromActiveClock instead of wall time, so a MockClock-driven test can
// exercise the historical store's window queries deterministically
// (grounded on internal/state/store.go's datetimeFunc family).
func init() {
	_ = sqlite.RegisterScalarFunction("datetime", -1, datetimeFunc)
	_ = sqlite.RegisterScalarFunction("strftime", -1, strftimeFunc)
	_ = sqlite.RegisterScalarFunction("date", -1, dateFunc)
	_ = sqlite.RegisterScalarFunction("time", -1, timeFunc)
	_ = sqlite.RegisterScalarFunction("julianday", -1, juliandayFunc)
}

func datetimeFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) == 0 {
		return nowFromActiveClock().UTC().Format("2006-01-02 15:04:05"), nil
	}
	if s, ok := args[0].(string); ok && strings.EqualFold(s, "now") {
		t := nowFromActiveClock().UTC()
		for _, arg := range args[1:] {
			if mod, ok := arg.(string); ok {
				switch strings.ToLower(mod) {
				case "localtime":
					t = t.Local()
				case "utc":
					t = t.UTC()
				}
			}
		}
		return t.Format("2006-01-02 15:04:05"), nil
	}
	return args[0], nil
}

func strftimeFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) < 2 {
		return nil, errors.New("strftime requires at least 2 arguments")
	}
	format, ok := args[0].(string)
	if !ok {
		return nil, errors.New("strftime format must be a string")
	}
	if s, ok := args[1].(string); ok && strings.EqualFold(s, "now") {
		return nowFromActiveClock().UTC().Format(sqliteToGoFormat(format)), nil
	}
	return "", nil
}

func sqliteToGoFormat(sqliteFormat string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006",
		"%m", "01",
		"%d", "02",
		"%H", "15",
		"%M", "04",
		"%S", "05",
		"%f", "000000",
	)
	return replacer.Replace(sqliteFormat)
}

func dateFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) == 0 {
		return nowFromActiveClock().UTC().Format("2006-01-02"), nil
	}
	if s, ok := args[0].(string); ok && strings.EqualFold(s, "now") {
		return nowFromActiveClock().UTC().Format("2006-01-02"), nil
	}
	return args[0], nil
}

func timeFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) == 0 {
		return nowFromActiveClock().UTC().Format("15:04:05"), nil
	}
	if s, ok := args[0].(string); ok && strings.EqualFold(s, "now") {
		return nowFromActiveClock().UTC().Format("15:04:05"), nil
	}
	return args[0], nil
}

func juliandayFunc(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) == 0 {
		return toJulianDay(nowFromActiveClock()), nil
	}
	if s, ok := args[0].(string); ok && strings.EqualFold(s, "now") {
		return toJulianDay(nowFromActiveClock()), nil
	}
	return nil, nil
}

func toJulianDay(t time.Time) float64 {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	nsec := t.Nanosecond()

	if month <= 2 {
		year--
		month += 12
	}

	a := year / 100
	b := 2 - a + a/4

	return float64(int(365.25*float64(year+4716))) +
		float64(int(30.6001*float64(month+1))) +
		float64(day) + float64(b) - 1524.5 +
		float64(hour)/24.0 + float64(min)/1440.0 +
		float64(sec)/86400.0 + float64(nsec)/86400000000000.0
}
