package acquisition

import "time"

// Stats 聚合了作业表的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int           `json:"total"`
	Processing      int           `json:"processing"`
	Complete        int           `json:"complete"`
	Failed          int           `json:"failed"`
	Canceled        int           `json:"canceled"`
	Jobs            map[State]int `json:"jobs"`
	OldestUpdatedAt time.Time     `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt time.Time     `json:"newest_updated_at,omitempty"`
}
