package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"chickmaster/server/internal/model"
)

//go:embed builtin.yaml
var builtinYAML []byte

//go:embed fallback.yaml
var fallbackYAML []byte

// FallbackScriptKey 是兜底目录中用于替代失败的服务端剧本的脚本。
const FallbackScriptKey = "welcome"

// Bundle 是一份角色 + 剧本目录（内置文件、远程下发或本地 yaml）。
type Bundle struct {
	Characters map[string]model.Character `yaml:"characters" json:"characters"`
	Scripts    map[string][]model.Line    `yaml:"scripts" json:"scripts"`
}

// ParseBundle 解析 yaml 目录并校验所有角色与脚本。
func ParseBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("parse bundle: %w", err)
	}
	if err := b.Normalize(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// LoadBundleFile 从指定路径加载目录。
func LoadBundleFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle: %w", err)
	}
	return ParseBundle(data)
}

// Normalize 补齐角色 ID 与默认表情，并校验数据。
func (b *Bundle) Normalize() error {
	if b.Characters == nil {
		b.Characters = make(map[string]model.Character)
	}
	if b.Scripts == nil {
		b.Scripts = make(map[string][]model.Line)
	}
	for id, c := range b.Characters {
		c.ID = id
		if err := c.Validate(); err != nil {
			return fmt.Errorf("bundle: %w", err)
		}
		b.Characters[id] = c
	}
	for key, lines := range b.Scripts {
		script := model.Script{Key: key, Lines: lines}
		if err := script.Validate(); err != nil {
			return fmt.Errorf("bundle: %w", err)
		}
		b.Scripts[key] = script.Lines
	}
	return nil
}

// ScriptKeys 返回排序后的脚本 key。
func (b Bundle) ScriptKeys() []string {
	keys := make([]string, 0, len(b.Scripts))
	for k := range b.Scripts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Builtin 返回内置完整目录。
func Builtin() Bundle {
	return mustParse(builtinYAML, "builtin")
}

// Fallback 返回最小兜底目录。
func Fallback() Bundle {
	return mustParse(fallbackYAML, "fallback")
}

// FallbackScript 返回服务端剧本不可用时播放的兜底脚本。
func FallbackScript() model.Script {
	b := Fallback()
	return model.Script{Key: FallbackScriptKey, Lines: b.Scripts[FallbackScriptKey]}
}

func mustParse(data []byte, name string) Bundle {
	b, err := ParseBundle(data)
	if err != nil {
		// 内置文件随二进制发布，解析失败属于构建错误
		panic(fmt.Sprintf("catalog: embedded %s bundle: %v", name, err))
	}
	return b
}
