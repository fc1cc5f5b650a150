package command

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Hint is a guess at whether a message needs the agent to act.
type Hint string

const (
	HintTask      Hint = "task"
	HintChat      Hint = "chat"
	HintAmbiguous Hint = "ambiguous"
)

const (
	longMessageRunes = 90
	smallTalkRunes   = 40
)

var (
	codeRe = regexp.MustCompile("`" +
		`|(?:^|\s)(?:~|\.{1,2})?/?[\w.-]+/[\w./-]+` +
		`|\b[\w-]+\.(?:go|ts|tsx|js|jsx|mjs|py|rb|rs|java|kt|c|cc|cpp|h|hpp|cs|php|swift|md|json|ya?ml|toml|ini|sh|sql|html|css|txt|log|conf|env|lock)\b`)

	taskKeywordRe = regexp.MustCompile(`(?i)\b(?:fix|implement|create|write|add|refactor|analy[sz]e|debug|build|deploy|run|install|upgrade|update|delete|remove|rename|test|review|generate|optimi[sz]e|check|find|search|grep|list|configure|migrate|compile|restart|kill|clean|commit|merge|rebase|cpu|memory|disk|process(?:es)?|service|port|logs?)\b` +
		`|修复|实现|创建|编写|写一个|添加|重构|分析|调试|构建|部署|运行|执行|安装|升级|更新|删除|重命名|测试|审查|检查|查找|搜索|生成|优化|配置|迁移|编译|重启|提交|内存|进程|服务|磁盘|端口|日志`)

	smallTalkRe = regexp.MustCompile(`(?i)^(?:hi|hello|hey|yo|thanks?|thank you|thx|ok(?:ay)?|cool|nice|great|good (?:morning|afternoon|evening|night)|how are you|who are you|what can you do|are you there|you there|ping|still (?:working|there)|what(?:'s| is) up|sup)\b` +
		`|^(?:你好|您好|嗨|哈喽|谢谢|多谢|好的|早上好|晚上好|在吗|在不在|你是谁|你能做什么|你会什么|辛苦了)`)
)

// InferHint classifies text as a task, small talk, or neither.
func InferHint(text string) Hint {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) >= longMessageRunes || strings.Contains(text, "\n") {
		return HintTask
	}
	if codeRe.MatchString(text) || taskKeywordRe.MatchString(text) {
		return HintTask
	}
	if utf8.RuneCountInString(text) <= smallTalkRunes && smallTalkRe.MatchString(text) {
		return HintChat
	}
	return HintAmbiguous
}
