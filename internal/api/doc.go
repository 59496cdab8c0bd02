// Package api 暴露编排器的 REST 接口：提交意图、查看队列、答复人工介入。
package api
