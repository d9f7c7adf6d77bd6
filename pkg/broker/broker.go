// Package broker contains the core domain types for the broker listing monitor.
package broker

import "time"

// Target is a monitored listings website and the script used to scrape it.
type Target struct {
	LastScrapedAt *time.Time   `json:"last_scraped_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Website       string       `json:"website"` // Entry URL
	Path          ScrapingPath `json:"scraping_path"`
	Tier          int          `json:"tier"` // 1-5, 1 = flagship
	Active        bool         `json:"is_active"`
}

// Candidate is a listing read from a page before filtering or persistence.
type Candidate struct {
	URL      string `json:"url"` // Absolute, canonical
	Title    string `json:"title"`
	Price    string `json:"price,omitempty"`
	Location string `json:"location,omitempty"`
}

// Listing is the persisted record for a distinct listing URL.
// NotifiedAt only ever moves from nil to a timestamp.
type Listing struct {
	FirstSeenAt time.Time  `json:"first_seen_at" db:"first_seen_at"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty" db:"notified_at"`
	ID          string     `json:"id" db:"id"`
	URL         string     `json:"url" db:"url"`
	BrokerID    string     `json:"broker_id" db:"broker_id"`
	Title       string     `json:"title" db:"title"`
	Price       string     `json:"price,omitempty" db:"price"`
	Location    string     `json:"location,omitempty" db:"location"`
}

// Notified reports whether the listing was already part of an outward fan-out.
func (l *Listing) Notified() bool {
	return l.NotifiedAt != nil
}

// RunStatus is the state of a single broker scrape within a run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunLog records one broker's scrape within a run.
type RunLog struct {
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ID            string     `json:"id" db:"id"`
	BrokerID      string     `json:"broker_id" db:"broker_id"`
	Status        RunStatus  `json:"status" db:"status"`
	Error         string     `json:"error_message,omitempty" db:"error_message"`
	ListingsFound int        `json:"listings_found" db:"listings_found"`
	NewListings   int        `json:"new_listings" db:"new_listings"`
}

// Progress counts brokers processed in the current run.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Status is a read-only snapshot of the process-wide scan state.
type Status struct {
	LastRun       *time.Time `json:"last_run,omitempty"`
	CurrentBroker string     `json:"current_broker,omitempty"`
	LastError     string     `json:"last_error,omitempty"` // Why the last run aborted
	Progress      Progress   `json:"progress"`
	IsRunning     bool       `json:"is_running"`
}

// Issue is an operational incident, e.g. a failed scrape or a rejected scheduled run.
type Issue struct {
	Date        time.Time `json:"date" db:"date"`
	ID          string    `json:"id" db:"id"`
	BrokerID    string    `json:"broker_id" db:"broker_id"`
	IssueType   string    `json:"issue_type" db:"issue_type"`
	Description string    `json:"description" db:"description"`
	TimeLostMin int       `json:"time_lost_min" db:"time_lost_min"`
}
