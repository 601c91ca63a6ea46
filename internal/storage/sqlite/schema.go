package sqlite

// schema is applied with CREATE TABLE IF NOT EXISTS on every Open;
// further changes ship as ordered migrations instead of editing this
// string in place.
const schema = `
CREATE TABLE IF NOT EXISTS suppliers (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    company_name TEXT NOT NULL DEFAULT '',
    contact TEXT NOT NULL DEFAULT '{}',
    province TEXT DEFAULT '',
    city TEXT DEFAULT '',
    rating REAL DEFAULT 0,
    response_rate REAL DEFAULT 0,
    product_count INTEGER DEFAULT 0,
    business_type TEXT DEFAULT 'trader',
    main_products TEXT NOT NULL DEFAULT '[]',
    verified INTEGER DEFAULT 0,
    verification_level INTEGER DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_suppliers_source_id ON suppliers(source_id);

CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL DEFAULT '',
    subtitle TEXT DEFAULT '',
    description TEXT DEFAULT '',
    price_min REAL DEFAULT 0,
    price_max REAL DEFAULT 0,
    currency TEXT DEFAULT 'CNY',
    moq INTEGER DEFAULT 1,
    price_unit TEXT DEFAULT '',
    main_image_url TEXT DEFAULT '',
    specifications TEXT NOT NULL DEFAULT '{}',
    supplier_ref TEXT,
    sales_count INTEGER DEFAULT 0,
    review_count INTEGER DEFAULT 0,
    rating REAL DEFAULT 0,
    category_id TEXT DEFAULT '',
    category_name TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    sync_status TEXT NOT NULL DEFAULT 'pending',
    last_sync_time DATETIME,
    canonical_of TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME,
    FOREIGN KEY (supplier_ref) REFERENCES suppliers(id)
);
CREATE INDEX IF NOT EXISTS idx_products_source_id ON products(source_id);
CREATE INDEX IF NOT EXISTS idx_products_supplier ON products(supplier_ref);
CREATE INDEX IF NOT EXISTS idx_products_status ON products(status);
CREATE INDEX IF NOT EXISTS idx_products_sync_status ON products(sync_status);
CREATE INDEX IF NOT EXISTS idx_products_canonical_of ON products(canonical_of);

CREATE TABLE IF NOT EXISTS product_images (
    id TEXT PRIMARY KEY,
    product_ref TEXT NOT NULL,
    url TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'detail',
    sort_order INTEGER DEFAULT 0,
    alt_text TEXT DEFAULT '',
    file_size INTEGER DEFAULT 0,
    width INTEGER DEFAULT 0,
    height INTEGER DEFAULT 0,
    object_key TEXT DEFAULT '',
    FOREIGN KEY (product_ref) REFERENCES products(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_product_images_product ON product_images(product_ref, sort_order);

CREATE TABLE IF NOT EXISTS versions (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    version_no INTEGER NOT NULL,
    change_kind TEXT NOT NULL,
    author TEXT DEFAULT '',
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    checksum TEXT NOT NULL,
    snapshot BLOB,
    diff TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (entity_type, entity_id, version_no)
);
CREATE INDEX IF NOT EXISTS idx_versions_entity ON versions(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS queue (
    work_id TEXT PRIMARY KEY,
    task_name TEXT NOT NULL,
    args BLOB,
    queue TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 5,
    attempt_no INTEGER NOT NULL DEFAULT 0,
    not_before DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    lease_token TEXT DEFAULT '',
    lease_deadline DATETIME,
    enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_error TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_dispatch ON queue(queue, priority DESC, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_queue_lease_deadline ON queue(lease_deadline);

CREATE TABLE IF NOT EXISTS checkpoints (
    task_id TEXT PRIMARY KEY,
    sequence_no INTEGER NOT NULL DEFAULT 0,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    cursor BLOB,
    counters TEXT NOT NULL DEFAULT '{}',
    checksum TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
    task_id TEXT PRIMARY KEY,
    task_name TEXT DEFAULT '',
    operation_type TEXT NOT NULL DEFAULT 'manual',
    sync_kind TEXT NOT NULL DEFAULT 'product',
    status TEXT NOT NULL DEFAULT 'pending',
    progress INTEGER DEFAULT 0,
    counters TEXT NOT NULL DEFAULT '{}',
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    ended_at DATETIME,
    error_digest TEXT NOT NULL DEFAULT '[]',
    config_snapshot TEXT NOT NULL DEFAULT '{}',
    recommendations TEXT NOT NULL DEFAULT '[]',
    retry_of TEXT DEFAULT '',
    cancel_requested INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs(status);

CREATE TABLE IF NOT EXISTS scheduler_leases (
    name TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expire_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
