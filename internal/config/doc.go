// Package config 负责加载插件进程的配置：YAML/JSON 文件叠加 DAQ_ 前缀的环境变量，
// 补齐默认值、把相对路径解析到配置文件所在目录，并在启动前完成校验。
package config
