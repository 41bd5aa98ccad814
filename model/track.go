package model

import "time"

// Track 上传的音频文件（服务端存储，客户端只读投影）
type Track struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	BPM         *float64  `json:"bpm"`         // 分析完成前为 null
	Key         *string   `json:"key"`         // 调性，可能为 null
	ObjectKey   string    `json:"-"`           // 对象存储中的路径，不直接暴露
	ContentType string    `json:"contentType"` // audio/mpeg, audio/wav ...
	Size        int64     `json:"size"`
	ContentHash string    `json:"-"` // blake2b，用于分析结果缓存
	CreatedAt   time.Time `json:"createdAt"`
}

// StemAsset 分离出的音轨（人声/伴奏）
type StemAsset struct {
	TrackID     int64     `json:"trackId"`
	Kind        string    `json:"kind"`
	ObjectKey   string    `json:"-"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TrackWithStems 带分离音轨地址的投影
type TrackWithStems struct {
	*Track
	Stems map[string]string `json:"stems,omitempty"` // kind -> URL
}
