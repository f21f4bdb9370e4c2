package engine

import "github.com/shaiso/Conveyor/internal/domain"

// FindHandlerResult ищет результат tool-вызова, адресованный обработчику slug.
//
// Просматривает пакеты по порядку и возвращает первый пакет типа
// tool_result или ai_handler_complete с metadata handler_tool == slug
// вместе с его индексом. Если такого нет — false.
func FindHandlerResult(packets []domain.DataPacket, slug string) (domain.DataPacket, int, bool) {
	for i, p := range packets {
		if p.IsToolResult() && p.HandlerTool() == slug {
			return p, i, true
		}
	}
	return domain.DataPacket{}, -1, false
}
