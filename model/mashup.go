package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MixSettings 混音参数，作为 JSON 列保存。
// 所有 map 的 key 都是 "<trackId>:<kind>" 形式的声道键。
type MixSettings struct {
	Volumes             map[string]float64 `json:"volumes"`
	MuteStates          map[string]bool    `json:"muteStates"`
	Offsets             map[string]float64 `json:"offsets,omitempty"`
	BPM                 float64            `json:"bpm,omitempty"`
	ExtractVocals       bool               `json:"extractVocals"`
	ExtractInstrumental bool               `json:"extractInstrumental"`
}

// Scan 实现 sql.Scanner 接口
func (s *MixSettings) Scan(value interface{}) error {
	bytes, err := jsonBytes(value)
	if err != nil || bytes == nil {
		*s = MixSettings{}
		return err
	}
	return json.Unmarshal(bytes, s)
}

// Value 实现 driver.Valuer 接口
func (s MixSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Int64List 用于 GORM JSON 字段
type Int64List []int64

// Scan 实现 sql.Scanner 接口
func (l *Int64List) Scan(value interface{}) error {
	bytes, err := jsonBytes(value)
	if err != nil || bytes == nil {
		*l = nil
		return err
	}
	return json.Unmarshal(bytes, l)
}

// Value 实现 driver.Valuer 接口
func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return json.Marshal(l)
}

func jsonBytes(value interface{}) ([]byte, error) {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", value)
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		return nil, nil
	}
	return bytes, nil
}

// Mashup 渲染完成的混音作品
type Mashup struct {
	ID           int64       `json:"id" gorm:"primaryKey;autoIncrement"`
	Name         string      `json:"name" gorm:"size:255;not null"`
	AudioFileIDs Int64List   `json:"audioFileIds" gorm:"type:json"`
	MixSettings  MixSettings `json:"mixSettings" gorm:"type:json"`
	ObjectKey    string      `json:"-" gorm:"size:512"`
	Filename     string      `json:"filename" gorm:"size:255"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// TableName 指定表名
func (Mashup) TableName() string {
	return "mashups"
}

// CreateMashupRequest POST /api/mashups 请求体
type CreateMashupRequest struct {
	Name         string      `json:"name"`
	AudioFileIDs []int64     `json:"audioFileIds"`
	MixSettings  MixSettings `json:"mixSettings"`
}
