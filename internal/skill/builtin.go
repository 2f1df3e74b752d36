package skill

// BuiltinVersion is the version reported for built-in skills whose manifest
// does not declare one.
const BuiltinVersion = "builtin-1.0.0"

// DefaultBuiltinManifests returns the manifests compiled into the binary.
func DefaultBuiltinManifests() []Manifest {
	return []Manifest{
		{
			Key:         "dingtalk_shanji",
			DisplayName: "钉钉闪记解析",
			Description: "解析钉钉闪记链接并提取摘要与音频链接",
			Operations: []Operation{
				{
					Name:        "extract",
					DisplayName: "解析闪记",
					Description: "提取闪记正文与音频播放链接",
					RiskLevel:   RiskLow,
					Run:         &RunBinding{AgentID: "dingtalk_shanji", Operation: "extract"},
				},
			},
		},
	}
}

// BuiltinItem converts a manifest into a global built-in catalog item.
func BuiltinItem(m Manifest) CatalogItem {
	version := m.Version
	if version == "" {
		version = BuiltinVersion
	}
	return CatalogItem{
		Key:         m.Key,
		DisplayName: m.DisplayName,
		Description: m.Description,
		Source:      SourceBuiltin,
		ScopeType:   ScopeGlobal,
		Version:     version,
		Status:      VersionActive,
		Actions:     ActionsFor(m.Key, m.Operations),
	}
}
