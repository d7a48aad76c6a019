package timeseries

import (
	"fmt"
	"regexp"
	"time"
)

// PartitionExt is the file extension of a cold-store partition object.
const PartitionExt = ".parquet"

// PartitionKey returns the canonical cold-store object key for a
// (site, day) partition:
//
//	timeseries/{YYYY}/{MM}/{DD}/{site}.parquet
//
// Month and day are zero padded, the calendar is UTC, and the site
// identifier is used verbatim. The migrator, the backfill importer and the
// query router all resolve cold objects purely through this function; there
// is no index. Changing the format orphans every existing object.
func PartitionKey(site string, day Day) string {
	t := day.Start()
	return fmt.Sprintf("timeseries/%04d/%02d/%02d/%s%s",
		t.Year(), int(t.Month()), t.Day(), site, PartitionExt)
}

var partitionKeyRe = regexp.MustCompile(`^timeseries/(\d{4})/(\d{2})/(\d{2})/(.+)\.parquet$`)

// ParsePartitionKey is the inverse of PartitionKey. It reports the site and
// day encoded in a canonical object key.
func ParsePartitionKey(key string) (site string, day Day, err error) {
	m := partitionKeyRe.FindStringSubmatch(key)
	if m == nil {
		return "", 0, fmt.Errorf("malformed partition key %q", key)
	}
	t, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3])
	if err != nil {
		return "", 0, fmt.Errorf("malformed partition key %q: %w", key, err)
	}
	return m[4], DayOf(t), nil
}
