// Package mysql 提供基于 MySQL 的连接池、内嵌 schema 迁移以及步骤日志存储，
// 同时提供一个基于 JSON Lines 文件的轻量实现便于本地运行。
package mysql
