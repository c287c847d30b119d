package models

import (
	"database/sql/driver"
	"strconv"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// JSON is a raw JSON document column. Postgres stores it as jsonb; other
// dialects store text, since sqlite gives a JSON declared type numeric
// affinity and turns a bare number like 500 into an integer.
type JSON datatypes.JSON

func (j JSON) Value() (driver.Value, error) {
	return datatypes.JSON(j).Value()
}

// Scan also accepts numbers for rows written under numeric affinity.
func (j *JSON) Scan(value any) error {
	switch v := value.(type) {
	case int64:
		*j = JSON(strconv.FormatInt(v, 10))
		return nil
	case float64:
		*j = JSON(strconv.FormatFloat(v, 'g', -1, 64))
		return nil
	}
	return (*datatypes.JSON)(j).Scan(value)
}

func (j JSON) MarshalJSON() ([]byte, error) {
	return datatypes.JSON(j).MarshalJSON()
}

func (j *JSON) UnmarshalJSON(b []byte) error {
	return (*datatypes.JSON)(j).UnmarshalJSON(b)
}

func (j JSON) String() string {
	return string(j)
}

func (JSON) GormDataType() string {
	return "json"
}

func (JSON) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "JSONB"
	}
	return "TEXT"
}
