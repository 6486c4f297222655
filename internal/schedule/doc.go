// Package schedule defines the notification record, producer-side
// validation and the store contract shared by the dispatcher, the API
// and the storage backends.
//
// Scheduled times are local wall-clock times with second precision and
// are persisted as text in TimeLayout. A record whose persisted time does
// not parse is treated as corrupt by the dispatcher and discarded.
package schedule
