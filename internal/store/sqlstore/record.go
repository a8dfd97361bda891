package sqlstore

// Record stores one stream item.
type Record struct {
	Stream         string `gorm:"column:stream;primaryKey;size:64;not null"`
	GroupKey       string `gorm:"column:group_key;primaryKey;size:190;not null;index:idx_stream_items_group_updated,priority:1"`
	ItemKey        string `gorm:"column:item_key;primaryKey;size:190;not null"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null;index:idx_stream_items_group_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "stream_items"
}
