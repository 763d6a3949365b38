package migrations

import "embed"

// Files 按数据库方言暴露全部 SQL 迁移文件，目录名即方言名。
//
//go:embed mysql/*.sql sqlite/*.sql postgres/*.sql
var Files embed.FS
