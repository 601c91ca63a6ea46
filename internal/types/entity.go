// Package types defines the canonical entities synchronized by marketsync,
// shared by every pipeline stage and by the persistence port.
package types

import "time"

// BusinessType classifies a Supplier.
type BusinessType string

const (
	BusinessManufacturer BusinessType = "manufacturer"
	BusinessTrader       BusinessType = "trader"
	BusinessIndividual   BusinessType = "individual"
)

// ProductStatus is the catalog lifecycle of a Product, distinct from its
// per-sync SyncStatus.
type ProductStatus string

const (
	ProductActive       ProductStatus = "active"
	ProductInactive     ProductStatus = "inactive"
	ProductDiscontinued ProductStatus = "discontinued"
)

// SyncStatus is the pipeline state of the most recent attempt to
// synchronize a Product.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// ImageKind distinguishes the role a ProductImage plays.
type ImageKind string

const (
	ImageMain      ImageKind = "main"
	ImageDetail    ImageKind = "detail"
	ImageThumbnail ImageKind = "thumbnail"
)

// Supplier is the canonical representation of a marketplace seller.
type Supplier struct {
	ID                string // internal primary key
	SourceID          string // external, unique, immutable
	Name              string
	CompanyName       string
	Contact           map[string]string
	Province          string
	City              string
	Rating            float64
	ResponseRate      float64
	ProductCount      int // derived, never authored directly
	BusinessType      BusinessType
	MainProducts      []string
	Verified          bool
	VerificationLevel int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time // soft-delete tombstone
}

// Product is the canonical representation of a marketplace listing.
type Product struct {
	ID              string
	SourceID        string
	Title           string
	Subtitle        string
	Description     string
	PriceMin        float64
	PriceMax        float64
	Currency        string
	MOQ             int
	PriceUnit       string
	MainImageURL    string
	DetailImages    []string // ordered URLs; authoritative order lives on ProductImage rows
	Specifications  map[string]string
	SupplierRef     string // resolves to Supplier.ID
	SalesCount      int64
	ReviewCount     int64
	Rating          float64
	CategoryID      string
	CategoryName    string
	Status          ProductStatus
	SyncStatus      SyncStatus
	LastSyncTime    time.Time
	CanonicalOf     string // dedup back-pointer: set when this record is a dup of another
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// ProductImage is an ordered image reference belonging to a Product.
type ProductImage struct {
	ID          string
	ProductRef  string
	URL         string
	Kind        ImageKind
	Order       int
	AltText     string
	FileSize    int64
	Width       int
	Height      int
	ObjectKey   string // content-addressed key in the image blob store
}

// ChangeKind classifies a VersionRecord.
type ChangeKind string

const (
	ChangeCreate  ChangeKind = "create"
	ChangeUpdate  ChangeKind = "update"
	ChangeDelete  ChangeKind = "delete"
	ChangeRestore ChangeKind = "restore"
)

// FieldDiff is one changed key in a VersionRecord's structural diff.
type FieldDiff struct {
	Field  string `json:"field"`
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
}

// VersionRecord is an immutable historical snapshot of an entity state.
type VersionRecord struct {
	EntityType string
	EntityID   string
	VersionNo  int
	ChangeKind ChangeKind
	Author     string
	Timestamp  time.Time
	Checksum   string // sha256 hex of Snapshot
	Snapshot   []byte // canonical byte encoding at this version
	Diff       []FieldDiff
}
