// Package engine выполняет jobs: шаги pipeline последовательно,
// с переопределениями flow и отслеживанием пакетов.
//
// Включает:
//   - engine.go     — Engine.Execute, цикл шагов и финализация job
//   - state.go      — JobState, состояние выполнения одного job
//   - correlator.go — поиск результата tool-вызова для update-шагов
//   - parser.go     — парсинг и валидация pipeline из JSON/YAML
//   - template.go   — рендеринг Go templates в настройках шагов
package engine
